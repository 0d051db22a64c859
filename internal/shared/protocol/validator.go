// internal/shared/protocol/validator.go
package protocol

import (
	"fmt"
	"strings"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// NormalizeEmail canonicalise une adresse pour la comparaison insensible à la casse
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail valide une adresse électronique
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)

	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}

	if len(email) > constants.MaxEmail {
		return fmt.Errorf("email must be at most %d characters", constants.MaxEmail)
	}

	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("email format is invalid")
	}

	return nil
}

// ValidateDisplayName valide un nom d'utilisateur
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)

	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) < constants.MinNameLength {
		return fmt.Errorf("name must be at least %d characters", constants.MinNameLength)
	}

	if len(name) > constants.MaxNameLength {
		return fmt.Errorf("name must be at most %d characters", constants.MaxNameLength)
	}

	return nil
}

// ValidateRoomName valide un nom de salle
func ValidateRoomName(name string) error {
	name = strings.TrimSpace(name)

	if name == "" {
		return fmt.Errorf("room name cannot be empty")
	}

	if len(name) > constants.MaxRoomName {
		return fmt.Errorf("room name must be at most %d characters", constants.MaxRoomName)
	}

	return nil
}

// ValidateVisibility valide la visibilité d'une salle
func ValidateVisibility(v constants.Visibility) error {
	if v != constants.VisibilityPublic && v != constants.VisibilityPrivate {
		return fmt.Errorf("visibility must be public or private")
	}
	return nil
}
