package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateConnID returns a random 16-hex-digit id for a feed connection.
func GenerateConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d%x", time.Now().UnixNano(), b)
	}
	return hex.EncodeToString(b)
}

// Now formats the current time the way operator-facing messages show it.
func Now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
