package pathutil_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/pathutil"
	"github.com/stretchr/testify/assert"
)

func TestValidateName_Valid(t *testing.T) {
	for _, name := range []string{"snapverify-a_1-20250101-000000", "vm.1", "A-b_c"} {
		assert.NoError(t, pathutil.ValidateName(name), name)
	}
}

func TestValidateName_Invalid(t *testing.T) {
	for _, name := range []string{"", "..", "a/b", `a\b`, "a..b", "tab\tname", "space name"} {
		err := pathutil.ValidateName(name)
		assert.True(t, errors.Is(err, errclass.ErrNameInvalid), "%q: %v", name, err)
	}
}

func TestSanitizeLabel(t *testing.T) {
	tests := map[string]string{
		"Get-Service":                      "get-service",
		"after login":                      "after_login",
		"Café résumé":                      "cafe_resume",
		"../../etc/passwd":                 "etc_passwd",
		"   ":                              "screen",
		"Step 2: check `Get-Uptime` works": "step_2_check_get-uptime_works",
	}
	for in, want := range tests {
		got := pathutil.SanitizeLabel(in)
		assert.Equal(t, want, got, "input %q", in)
		assert.NoError(t, pathutil.ValidateName(got))
	}
}

func TestSanitizeLabel_Truncates(t *testing.T) {
	got := pathutil.SanitizeLabel(strings.Repeat("x", 200))
	assert.Len(t, got, 60)
}
