// Package tenant はロールと所属機関によるアクセス範囲を表現します。
package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// Role は利用者のロールです。定義済みの値以外は ParseRole で弾きます。
type Role string

const (
	RoleStateDirectorate Role = "STATE_DIRECTORATE"
	RolePrincipal        Role = "PRINCIPAL"
	RoleFaculty          Role = "FACULTY"
	RoleStudent          Role = "STUDENT"
	RoleIndustry         Role = "INDUSTRY"
)

var roles = map[Role]struct{}{
	RoleStateDirectorate: {},
	RolePrincipal:        {},
	RoleFaculty:          {},
	RoleStudent:          {},
	RoleIndustry:         {},
}

var (
	ErrUnknownRole = errors.New("unknown role")
	ErrForbidden   = errors.New("forbidden")
)

// ParseRole は表記ゆれ（大文字小文字・空白・ハイフン）を吸収してロールに変換します。
func ParseRole(raw string) (Role, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	role := Role(normalized)
	if _, ok := roles[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// Scope は操作主体と、その操作が及ぶ機関を表します。
type Scope struct {
	InstitutionID string `json:"institutionId,omitempty"`
	UserID        string `json:"userId"`
	Role          Role   `json:"role"`
}

// IsState は州局（全機関を横断する管理者）かどうかを返します。
func (s Scope) IsState() bool {
	return s.Role == RoleStateDirectorate
}

// Target はアップロード対象の機関を解決します。
// 州局は任意の機関を指定でき、それ以外は自分の機関のみ指定できます。
func (s Scope) Target(institutionID string) (Scope, error) {
	institutionID = strings.TrimSpace(institutionID)
	if institutionID == "" {
		return s, nil
	}
	if s.IsState() {
		s.InstitutionID = institutionID
		return s, nil
	}
	if institutionID != s.InstitutionID {
		return Scope{}, fmt.Errorf("%w: institution %s is outside of the caller scope", ErrForbidden, institutionID)
	}
	return s, nil
}

// CanView は指定機関のデータを閲覧できるかを返します。
func (s Scope) CanView(institutionID string) bool {
	if s.IsState() {
		return true
	}
	return s.InstitutionID != "" && s.InstitutionID == institutionID
}

// CanAssign は一括登録の行で target ロールを付与できるかを返します。
func CanAssign(uploader, target Role) bool {
	switch uploader {
	case RoleStateDirectorate:
		return target == RolePrincipal || target == RoleFaculty || target == RoleIndustry
	case RolePrincipal:
		return target == RoleFaculty
	default:
		return false
	}
}

// NeedsInstitution はロールが機関への所属を必要とするかを返します。
func NeedsInstitution(role Role) bool {
	return role == RolePrincipal || role == RoleFaculty || role == RoleStudent
}
