package rekko

import (
	"context"

	"github.com/google/uuid"
)

// LoginResult is the (token, user, refreshToken?) tuple produced by every
// login flow. It is fed directly into session.Manager.Login.
type LoginResult struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         User   `json:"user"`
}

// WalletChallenge is a nonce the wallet must sign to prove ownership of an
// address. The private key never leaves the wallet.
type WalletChallenge struct {
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// NewDeviceID mints the per-install identifier sent along with login calls.
func NewDeviceID() string {
	return uuid.New().String()
}

// StartWalletLogin requests a signing challenge for the given wallet address.
func (c *Client) StartWalletLogin(ctx context.Context, address string) (WalletChallenge, error) {
	result := &WalletChallenge{}

	_, err := handleError(c.req(ctx, "", result).
		SetBody(map[string]string{"address": address}).
		Post("/auth/wallet/challenge"))

	return *result, err
}

// VerifyWalletLogin submits the wallet's signature over the challenge and
// completes the login.
func (c *Client) VerifyWalletLogin(ctx context.Context, address, nonce, signature, deviceID string) (LoginResult, error) {
	result := &LoginResult{}

	_, err := handleError(c.req(ctx, "", result).
		SetBody(map[string]string{
			"address":   address,
			"nonce":     nonce,
			"signature": signature,
			"deviceId":  deviceID,
		}).
		Post("/auth/wallet/verify"))

	return *result, err
}

// StartPhoneLogin asks the backend to send an OTP code to the given number.
func (c *Client) StartPhoneLogin(ctx context.Context, phone string) error {
	_, err := handleError(c.req(ctx, "", nil).
		SetBody(map[string]string{"phone": phone}).
		Post("/auth/phone/start"))

	return err
}

// VerifyPhoneLogin submits the OTP code and completes the login.
func (c *Client) VerifyPhoneLogin(ctx context.Context, phone, code, deviceID string) (LoginResult, error) {
	result := &LoginResult{}

	_, err := handleError(c.req(ctx, "", result).
		SetBody(map[string]string{
			"phone":    phone,
			"code":     code,
			"deviceId": deviceID,
		}).
		Post("/auth/phone/verify"))

	return *result, err
}
