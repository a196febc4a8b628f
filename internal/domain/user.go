// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen = 64
	MaxRoomIDLen = 64
)

var (
	ErrUserIDEmpty   = errors.New("uid empty")
	ErrUserIDTooLong = errors.New("uid too long")
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	UserID string
	RoomID string
)

// ValidateUserID is a tiny helper to avoid ad-hoc checks in adapters.
func ValidateUserID(uid UserID) error {
	if len(uid) == 0 {
		return ErrUserIDEmpty
	}
	if len(uid) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

func ValidateRoomID(id RoomID) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
