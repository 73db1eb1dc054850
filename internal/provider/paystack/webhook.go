package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/provider"
)

const SignatureHeader = "x-paystack-signature"

// Webhook verifies x-paystack-signature, the hex HMAC-SHA512 of the raw body
// keyed with the secret key.
type Webhook struct {
	secretKey string
}

func NewWebhook(secretKey string) *Webhook {
	return &Webhook{secretKey: secretKey}
}

func (w *Webhook) Name() string            { return Name }
func (w *Webhook) SignatureHeader() string { return SignatureHeader }

func (w *Webhook) Verify(payload []byte, signature string) error {
	if w.secretKey == "" || signature == "" {
		return apperr.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return apperr.ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(w.secretKey, payload)) {
		return apperr.ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA512 of payload.
func Sign(secretKey string, payload []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(payload)
	return mac.Sum(nil)
}

// metadata tolerates Paystack sending metadata as an object, a JSON-encoded
// string or an empty string.
type metadata struct {
	OrderID string `json:"order_id"`
}

func (m *metadata) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil || s == "" {
			return nil
		}
		b = []byte(s)
	}
	type plain metadata
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return nil
	}
	*m = metadata(p)
	return nil
}

type event struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string   `json:"reference"`
		TransferCode    string   `json:"transfer_code"`
		Amount          int64    `json:"amount"`
		Status          string   `json:"status"`
		Reason          string   `json:"reason"`
		GatewayResponse string   `json:"gateway_response"`
		Metadata        metadata `json:"metadata"`
	} `json:"data"`
}

func (w *Webhook) Normalize(payload []byte) (provider.NormalizedEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return provider.NormalizedEvent{}, apperr.Validation("paystack payload: %v", err)
	}
	if ev.Event == "" {
		return provider.NormalizedEvent{}, apperr.Validation("paystack payload: missing event")
	}
	n := provider.NormalizedEvent{
		Provider:  Name,
		EventType: ev.Event,
		Amount:    ev.Data.Amount,
	}

	switch ev.Event {
	case "charge.success", "charge.failed":
		n.Kind = provider.KindCharge
		n.Outcome = provider.OutcomeSuccess
		if ev.Event == "charge.failed" {
			n.Outcome = provider.OutcomeFailure
			n.Reason = ev.Data.GatewayResponse
		}
		n.GatewayReference = ev.Data.Reference
		n.OrderReference = ev.Data.Metadata.OrderID
		if n.OrderReference == "" {
			n.OrderReference = ev.Data.Reference
		}
	case "transfer.success", "transfer.failed", "transfer.reversed":
		n.Kind = provider.KindTransfer
		n.Outcome = provider.OutcomeSuccess
		if ev.Event != "transfer.success" {
			n.Outcome = provider.OutcomeFailure
			n.Reason = ev.Data.Reason
			if n.Reason == "" {
				n.Reason = strings.TrimPrefix(ev.Event, "transfer.")
			}
		}
		n.OrderReference = ev.Data.Reference
		n.GatewayReference = ev.Data.TransferCode
		if n.GatewayReference == "" {
			n.GatewayReference = ev.Data.Reference
		}
	default:
		n.Kind = provider.KindIgnored
		n.GatewayReference = ev.Data.Reference
		return n, nil
	}

	if n.GatewayReference == "" {
		return provider.NormalizedEvent{}, apperr.Validation("paystack %s: missing reference", ev.Event)
	}
	return n, nil
}
