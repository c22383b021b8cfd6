package hongbao

import (
	"errors"

	"hongbaobot/internal/models"
)

var (
	ErrEnvelopeNotFound    = errors.New("envelope not found")
	ErrEnvelopeFinished    = errors.New("envelope finished")
	ErrDuplicateClaim      = errors.New("already claimed")
	ErrSelfClaim           = errors.New("cannot claim own envelope")
	ErrNotQualified        = errors.New("not qualified today")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerTimeout       = errors.New("ledger timeout")
	ErrPoolClosed          = errors.New("pool closed")
)

// Rules reported by InvalidParamsError.
const (
	RulePointsMin     = "points_min"
	RulePointsMax     = "points_max"
	RuleSlotsMin      = "slots_min"
	RuleSlotsMax      = "slots_max"
	RulePointsPerSlot = "points_per_slot"
	RulePointsNotInt  = "points_not_integer"
	RuleSlotsNotInt   = "slots_not_integer"
	RuleMissingArgs   = "missing_args"
)

type InvalidParamsError struct {
	Rule    string
	Message string
}

func (e *InvalidParamsError) Error() string {
	return "invalid envelope params: " + e.Rule
}

func invalid(rule, msg string) *InvalidParamsError {
	return &InvalidParamsError{Rule: rule, Message: msg}
}

// Validate checks the declared points and slots of a new envelope.
func Validate(points, slots int) error {
	switch {
	case points < models.MinPoints:
		return invalid(RulePointsMin, "红包总分不能少于2分")
	case points > models.MaxPoints:
		return invalid(RulePointsMax, "红包总分不能超过666分")
	case slots < models.MinSlots:
		return invalid(RuleSlotsMin, "红包数量不能少于2个")
	case slots > models.MaxSlots:
		return invalid(RuleSlotsMax, "红包数量不能超过66个")
	case points < slots:
		return invalid(RulePointsPerSlot, "每个红包至少1分，总分不能少于红包数量")
	}
	return nil
}

// InvalidParams builds the error the command parser reports for malformed input.
func InvalidParams(rule string) *InvalidParamsError {
	switch rule {
	case RulePointsNotInt:
		return invalid(rule, "分數必須為整數")
	case RuleSlotsNotInt:
		return invalid(rule, "红包数量必须为整数")
	default:
		return invalid(RuleMissingArgs, "用法: /hb <总分> <红包数量> [留言]")
	}
}
