package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignAppendsAuthParams(t *testing.T) {
	t.Parallel()

	s := newSigner("key", "secret", 5*time.Second)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	query := s.Sign(url.Values{"symbol": {"BTCUSDT"}, "side": {"BUY"}})

	payload, sig, ok := strings.Cut(query, "&signature=")
	if !ok {
		t.Fatal("query carries no signature")
	}

	parsed, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	if got := parsed.Get("timestamp"); got != "1700000000000" {
		t.Errorf("timestamp = %s", got)
	}
	if got := parsed.Get("recvWindow"); got != "5000" {
		t.Errorf("recvWindow = %s", got)
	}
	if got := parsed.Get("symbol"); got != "BTCUSDT" {
		t.Errorf("symbol = %s", got)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}
}
