package httpapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kasgate/internal/address"
	"kasgate/internal/config"
)

func TestValidateAmountAcceptsWholeAndFractionalKas(t *testing.T) {
	sompi, err := validateAmount("1.5")
	require.NoError(t, err)
	require.Equal(t, "150000000", sompi)
}

func TestValidateAmountRejectsBelowMinimum(t *testing.T) {
	_, err := validateAmount("0.0000001")
	require.Error(t, err)
}

func TestValidateAmountRejectsMalformedShape(t *testing.T) {
	_, err := validateAmount("1.5.5")
	require.Error(t, err)
	_, err = validateAmount("abc")
	require.Error(t, err)
}

func TestKasToSompiConvertsFractionalDigitsExactly(t *testing.T) {
	sompi, err := kasToSompi("12.345678")
	require.NoError(t, err)
	require.Equal(t, uint64(1234567800), sompi)
}

func TestValidateXPubAcceptsWellFormedKey(t *testing.T) {
	xpub := "xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"
	err := validateXPub(xpub, address.NewRegexDeriver("kaspa"))
	require.NoError(t, err)
}

func TestValidateXPubRejectsMalformedKey(t *testing.T) {
	err := validateXPub("not-an-xpub", address.NewRegexDeriver("kaspa"))
	require.Error(t, err)
}

func TestValidateWebhookURLRequiresHTTPSOnMainnet(t *testing.T) {
	require.NoError(t, validateWebhookURL("", config.NetworkMainnet))
	require.NoError(t, validateWebhookURL("https://example.com/hook", config.NetworkMainnet))
	require.Error(t, validateWebhookURL("http://example.com/hook", config.NetworkMainnet))
	require.Error(t, validateWebhookURL("not a url", config.NetworkMainnet))
}

func TestValidateWebhookURLAllowsHTTPOffMainnet(t *testing.T) {
	require.NoError(t, validateWebhookURL("http://localhost:8080/hook", config.NetworkTestnet10))
	require.NoError(t, validateWebhookURL("https://example.com/hook", config.NetworkTestnet10))
	require.Error(t, validateWebhookURL("not a url", config.NetworkTestnet10))
}

func TestValidateOrderIDStripsTagsAndEnforcesLength(t *testing.T) {
	cleaned, err := validateOrderID("<b>order</b>-123")
	require.NoError(t, err)
	require.Equal(t, "order-123", cleaned)

	_, err = validateOrderID(strings.Repeat("a", maxOrderIDLength+1))
	require.Error(t, err)
}

func TestValidateMetadataEnforcesKeyCountAndSize(t *testing.T) {
	cleaned, err := validateMetadata(map[string]string{"<i>k</i>": "v"})
	require.NoError(t, err)
	require.Equal(t, "v", cleaned["k"])

	tooMany := make(map[string]string, maxMetadataKeys+1)
	for i := 0; i < maxMetadataKeys+1; i++ {
		tooMany[strings.Repeat("x", i+1)] = "v"
	}
	_, err = validateMetadata(tooMany)
	require.Error(t, err)

	tooLarge := map[string]string{"a": strings.Repeat("v", 400), "b": strings.Repeat("v", 400), "c": strings.Repeat("v", 400)}
	_, err = validateMetadata(tooLarge)
	require.ErrorContains(t, err, "bytes")
}

func TestValidateMetadataStripsDangerousProtocolsAndHandlers(t *testing.T) {
	cleaned, err := validateMetadata(map[string]string{"note": `javascript:alert(1) onclick=alert(2)`})
	require.NoError(t, err)
	require.NotContains(t, cleaned["note"], "javascript:")
	require.NotContains(t, cleaned["note"], "onclick=")
}
