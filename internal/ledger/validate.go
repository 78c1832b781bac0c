package ledger

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/google/uuid"
)

var accountNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateAccountName enforces the account naming rules used in key paths.
func ValidateAccountName(name string) error {
	if !accountNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid account name %q", ErrInvalidRequest, name)
	}
	return nil
}

// ValidateTransferID checks an optional body id against the path id. The body
// may carry the bare uuid or the absolute URI the service itself hands out.
func ValidateTransferID(bodyID string, pathID uuid.UUID, baseURI string) error {
	if bodyID == "" {
		return nil
	}
	accepted := []string{
		pathID.String(),
		strings.TrimSuffix(baseURI, "/") + "/transfers/" + pathID.String(),
	}
	for _, want := range accepted {
		if bodyID == want {
			return nil
		}
	}
	return fmt.Errorf("%w: body id %q does not match the request path", ErrInvalidRequest, bodyID)
}

// validateTransferInput runs the structural and semantic checks that do not
// need store access. Account existence is checked inside the transaction.
func validateTransferInput(in TransferInput) error {
	if len(in.SourceFunds) == 0 || len(in.DestinationFunds) == 0 {
		return fmt.Errorf("%w: source_funds and destination_funds are required", ErrInvalidRequest)
	}
	if in.State != "" && !domain.KnownState(in.State) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, in.State)
	}
	if err := validateFunds(in.SourceFunds, "source"); err != nil {
		return err
	}
	if err := validateFunds(in.DestinationFunds, "destination"); err != nil {
		return err
	}
	srcTotal := fundTotal(in.SourceFunds)
	dstTotal := fundTotal(in.DestinationFunds)
	if !srcTotal.Equal(dstTotal) {
		return fmt.Errorf("%w: source total %s does not equal destination total %s",
			ErrUnprocessable, srcTotal, dstTotal)
	}
	if err := validateRawObject(in.ExecutionCondition, "execution_condition"); err != nil {
		return err
	}
	if err := validateRawObject(in.ExecutionConditionFulfillment, "execution_condition_fulfillment"); err != nil {
		return err
	}
	return nil
}

func validateFunds(funds []models.Fund, side string) error {
	for i, f := range funds {
		if err := ValidateAccountName(f.Account); err != nil {
			return fmt.Errorf("%w: %s fund %d has an invalid account", ErrInvalidRequest, side, i)
		}
		if domain.IsNegative(f.Amount) {
			return fmt.Errorf("%w: %s fund %d amount must be non-negative", ErrInvalidRequest, side, i)
		}
		if !domain.IsPositive(f.Amount) {
			return fmt.Errorf("%w: %s fund %d amount must be positive", ErrUnprocessable, side, i)
		}
	}
	return nil
}

func validateRawObject(raw []byte, field string) error {
	if !models.RawPresent(raw) {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: %s must be an object", ErrInvalidRequest, field)
	}
	return nil
}
