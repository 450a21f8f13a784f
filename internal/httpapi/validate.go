package httpapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"kasgate/internal/address"
	"kasgate/internal/config"
)

var amountPattern = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)

const minimumSompi = 100_000 // 0.001 KAS

// htmlTagPattern strips HTML tags for orderId/metadata sanitization.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

var dangerousProtocolPattern = regexp.MustCompile(`(?i)(javascript|data):`)
var onHandlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)

// sanitizeText strips tags, dangerous protocols, and inline event handlers,
// then trims whitespace, per the free-text fields' validation rule.
func sanitizeText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = dangerousProtocolPattern.ReplaceAllString(s, "")
	s = onHandlerPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// validateAmount checks the decimal-string shape and minimum, and returns the
// amount converted to a decimal-sompi string (1 KAS = 100_000_000 sompi).
func validateAmount(amount string) (string, error) {
	amount = strings.TrimSpace(amount)
	if !amountPattern.MatchString(amount) {
		return "", fmt.Errorf("amount must match %s", amountPattern.String())
	}
	sompi, err := kasToSompi(amount)
	if err != nil {
		return "", err
	}
	if sompi < minimumSompi {
		return "", fmt.Errorf("amount below minimum of 0.001 KAS")
	}
	return strconv.FormatUint(sompi, 10), nil
}

// kasToSompi converts a validated decimal-KAS string to its integer sompi
// value without floating point, per spec §8's sompiToKas/kasToSompi
// round-trip law.
func kasToSompi(amount string) (uint64, error) {
	parts := strings.SplitN(amount, ".", 2)
	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount")
	}
	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1] + strings.Repeat("0", 8-len(parts[1]))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount")
		}
	}
	return whole*100_000_000 + frac, nil
}

func validateXPub(xpub string, deriver address.Deriver) error {
	if !address.XPubPattern.MatchString(xpub) {
		return fmt.Errorf("xpub must match %s", address.XPubPattern.String())
	}
	if _, err := deriver.Derive(xpub, 0); err != nil {
		return fmt.Errorf("xpub could not be parsed: %w", err)
	}
	return nil
}

// validateWebhookURL enforces an absolute URL, requiring https only when
// network is mainnet, so a testnet-10 deployment can still point at a
// plain-HTTP local receiver.
func validateWebhookURL(raw string, network config.Network) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("webhookUrl must be an absolute URL")
	}
	if network == config.NetworkMainnet && u.Scheme != "https" {
		return fmt.Errorf("webhookUrl must use https")
	}
	return nil
}

const (
	maxOrderIDLength   = 100
	maxMetadataKeys    = 20
	maxMetadataKeyLen  = 50
	maxMetadataValLen  = 500
	maxMetadataJSONLen = 1024
)

func validateOrderID(orderID string) (string, error) {
	cleaned := sanitizeText(orderID)
	if len(cleaned) > maxOrderIDLength {
		return "", fmt.Errorf("orderId exceeds %d characters", maxOrderIDLength)
	}
	return cleaned, nil
}

// validateMetadata sanitizes every key/value, bounds per spec §6, and
// confirms the JSON-encoded size stays within the overall cap.
func validateMetadata(meta map[string]string) (map[string]string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	if len(meta) > maxMetadataKeys {
		return nil, fmt.Errorf("metadata may have at most %d keys", maxMetadataKeys)
	}
	cleaned := make(map[string]string, len(meta))
	for k, v := range meta {
		ck := sanitizeText(k)
		cv := sanitizeText(v)
		if len(ck) > maxMetadataKeyLen {
			return nil, fmt.Errorf("metadata key exceeds %d characters", maxMetadataKeyLen)
		}
		if len(cv) > maxMetadataValLen {
			return nil, fmt.Errorf("metadata value exceeds %d characters", maxMetadataValLen)
		}
		cleaned[ck] = cv
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("metadata could not be encoded")
	}
	if len(encoded) > maxMetadataJSONLen {
		return nil, fmt.Errorf("metadata exceeds %d bytes", maxMetadataJSONLen)
	}
	return cleaned, nil
}
