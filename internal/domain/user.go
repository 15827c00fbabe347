package domain

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"created_at"`
}
