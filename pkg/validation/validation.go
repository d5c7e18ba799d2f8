package validation

import (
	"math"
	"regexp"
	"strings"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
)

// Roles accepted on registration.
var roles = map[string]bool{"rider": true, "driver": true, "admin": true}

func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && emailRegex.MatchString(email) && len(email) <= 254
}

// ValidatePhone accepts an empty phone; the column is optional.
func ValidatePhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return true
	}
	return phoneRegex.MatchString(phone) && len(phone) <= 20
}

func ValidateName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && len(name) <= 100
}

func ValidatePassword(password string) bool {
	return len(password) >= 6 && len(password) <= 72
}

func ValidateRole(role string) bool {
	return roles[role]
}

// ValidateCoordinates reports whether lat/lon are finite and inside
// [-90,90] and [-180,180].
func ValidateCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
