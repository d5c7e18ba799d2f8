package users

import (
	"time"

	"ride-query/pkg/geo"
)

// User is a rider, driver or admin account.
type User struct {
	ID           string     `json:"id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone,omitempty"`
	Role         string     `json:"role"`
	PasswordHash string     `json:"-"`
	Location     *geo.Point `json:"location,omitempty"` // drivers only
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RegisterRequest is the body for POST /users/register.
type RegisterRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
	Role      string `json:"role"`
}

// LoginRequest is the body for POST /users/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LocationUpdate is the body for PATCH /users/me/location.
type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AuthResponse is returned on register / login.
type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}
