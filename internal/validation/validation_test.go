package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	valid := []string{
		"ord_a1b2c3d4",
		"dsp_0123456789abcdef",
		"esc_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	for _, id := range valid {
		assert.True(t, IsValidID(id), id)
	}

	invalid := []string{
		"",
		"ord_",
		"a1b2c3d4",
		"ORD_a1b2c3d4",
		"ord_XYZ12345",
		"ord_a1b2; drop table orders",
		"toolongprefix_a1b2c3d4",
	}
	for _, id := range invalid {
		assert.False(t, IsValidID(id), id)
	}
}

func TestValidAmount(t *testing.T) {
	ok := []string{"49.99", "0.01", "100", "1.5"}
	for _, v := range ok {
		assert.Nil(t, ValidAmount("amount", v)(), v)
	}

	bad := []string{"-5", "1.2.3", ".50", "50.", "12a", "0", "0.00"}
	for _, v := range bad {
		assert.NotNil(t, ValidAmount("amount", v)(), v)
	}

	// Empty is left to Required.
	assert.Nil(t, ValidAmount("amount", "")())
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		Required("sellerId", "seller-1"),
		MaxLength("reason", "short", 10),
		OneOf("satisfaction", "meh", "satisfied", "fine"),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "buyerId", errs[0].Field)
	assert.Equal(t, "satisfaction", errs[1].Field)
	assert.Contains(t, errs.Error(), "buyerId")
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}
