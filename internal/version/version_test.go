package version

import (
	"strings"
	"testing"
)

func TestUserAgentCarriesVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v9.9.9"
	ua := UserAgent()
	if !strings.HasPrefix(ua, "hearthlink/v9.9.9 (") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
