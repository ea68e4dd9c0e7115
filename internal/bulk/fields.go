package bulk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/xuri/excelize/v2"
)

var validate = validator.New()

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"}

var (
	institutionTypes = map[string]string{
		"ENGINEERING":      "ENGINEERING",
		"POLYTECHNIC":      "POLYTECHNIC",
		"ITI":              "ITI",
		"PHARMACY":         "PHARMACY",
		"MANAGEMENT":       "MANAGEMENT",
		"ARTS_SCIENCE":     "ARTS_SCIENCE",
		"ARTS_AND_SCIENCE": "ARTS_SCIENCE",
	}
	genders = map[string]string{
		"MALE": "MALE", "M": "MALE",
		"FEMALE": "FEMALE", "F": "FEMALE",
		"OTHER": "OTHER", "O": "OTHER",
	}
	workModes = map[string]string{
		"ONSITE": "ONSITE", "ON_SITE": "ONSITE", "OFFICE": "ONSITE",
		"REMOTE": "REMOTE", "WFH": "REMOTE",
		"HYBRID": "HYBRID",
	}
)

func checkName(raw string) (string, string) {
	name := strings.Join(strings.Fields(raw), " ")
	if n := utf8.RuneCountInString(name); n < 2 || n > 100 {
		return "", "2〜100文字で入力してください"
	}
	return name, ""
}

func checkEmail(raw string) (string, string) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return "", "メールアドレスの形式が正しくありません"
	}
	return email, ""
}

// checkPhone は区切り文字・国番号(+91)・先頭の0を取り除き、10桁の番号に揃えます。
func checkPhone(raw string) (string, string) {
	phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(phone, "+91"):
		phone = phone[3:]
	case strings.HasPrefix(phone, "91") && len(phone) == 12:
		phone = phone[2:]
	case strings.HasPrefix(phone, "0") && len(phone) == 11:
		phone = phone[1:]
	}
	if err := validate.Var(phone, "len=10,numeric"); err != nil {
		return "", "電話番号は10桁の数字で入力してください"
	}
	return phone, ""
}

func checkEnum(raw string, allowed map[string]string, label string) (string, string) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_", "&", "AND").Replace(key)
	if v, ok := allowed[key]; ok {
		return v, ""
	}
	return "", fmt.Sprintf("%s の値が不正です: %s", label, raw)
}

func checkYear(raw string, min, max int) (string, string) {
	year, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || year < min || year > max {
		return "", fmt.Sprintf("%d〜%d の西暦で入力してください", min, max)
	}
	return strconv.Itoa(year), ""
}

func checkStipend(raw string) (string, string) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	amount, err := strconv.ParseInt(value, 10, 64)
	if err != nil || amount < 0 {
		return "", "0以上の整数で入力してください"
	}
	return strconv.FormatInt(amount, 10), ""
}

// parseDate は文字列の日付とExcelのシリアル値の両方を受け付けます。
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil || serial < 1 || serial > 2958465 {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func ageOn(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}
