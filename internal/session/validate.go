package session

import (
	"fmt"
	"regexp"

	"github.com/wadash/wadash/internal/model"
)

var idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateID checks that an account identifier is safe to use as a
// directory name.
func ValidateID(id model.AccountID) error {
	if !idRegexp.MatchString(string(id)) {
		return fmt.Errorf("invalid account id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
