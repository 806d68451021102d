package user

import "go-chat-rooms/internal/auth"

type User struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Password string    `json:"-"`
	Role     auth.Role `json:"role"`
}

// RegisterRequest carries no role: accounts start as members and elevated
// roles are assigned in the users table.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Role     auth.Role `json:"role"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Role        auth.Role `json:"role"`
}
