package tokens_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/technosupport/ts-inventory/internal/tokens"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.GenerateDeviceToken("cam-aisle-4", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate device token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.DeviceID() != "cam-aisle-4" {
		t.Errorf("Expected device cam-aisle-4, got %s", claims.DeviceID())
	}
	if claims.TokenType != tokens.Device {
		t.Errorf("Expected TokenType %s, got %s", tokens.Device, claims.TokenType)
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1")
	mgr2 := tokens.NewManager("secret-2")

	token, _ := mgr1.GenerateDeviceToken("cam-1", time.Hour)
	_, err := mgr2.ValidateToken(token)
	if !errors.Is(err, tokens.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for wrong signature, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("secret")
	token, _ := mgr.GenerateDeviceToken("cam-1", time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)
	if _, err := mgr.ValidateToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestRejectsForeignTokenType(t *testing.T) {
	claims := jwt.MapClaims{
		"iss":        "ts-inventory",
		"sub":        "user-1",
		"token_type": "access",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.NewManager("secret").ValidateToken(signed); !errors.Is(err, tokens.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestDeviceIDRequired(t *testing.T) {
	if _, err := tokens.NewManager("secret").GenerateDeviceToken("", time.Hour); err == nil {
		t.Error("Expected error for empty device id")
	}
}
