package store

import "testing"

// These exercise the pure key-naming helpers only. Everything else in this
// package talks to Redis and is covered by the engine's integration tests
// against a live instance.

func TestLatestKey(t *testing.T) {
	got := latestKey("a", "BNB/USDT")
	want := "latest:a:BNB/USDT"
	if got != want {
		t.Errorf("latestKey() = %q, want %q", got, want)
	}
}

func TestNotifyKey(t *testing.T) {
	got := notifyKey("b", "ETH/USDT")
	want := "notify:b:ETH/USDT"
	if got != want {
		t.Errorf("notifyKey() = %q, want %q", got, want)
	}
}

func TestOrderStatusKey(t *testing.T) {
	got := orderStatusKey("a", "12345")
	want := "order_status:a:12345"
	if got != want {
		t.Errorf("orderStatusKey() = %q, want %q", got, want)
	}
}

func TestPositionField(t *testing.T) {
	got := positionField("a", "BNB/USDT")
	want := "a:BNB/USDT"
	if got != want {
		t.Errorf("positionField() = %q, want %q", got, want)
	}
}

func TestThresholdsKey(t *testing.T) {
	got := thresholdsKey("b")
	want := "order:thresholds:b"
	if got != want {
		t.Errorf("thresholdsKey() = %q, want %q", got, want)
	}
}

func TestProcessingMember(t *testing.T) {
	got := processingMember("a", "BNB/USDT")
	want := "a:BNB/USDT"
	if got != want {
		t.Errorf("processingMember() = %q, want %q", got, want)
	}
}

func TestMarginKey(t *testing.T) {
	got := marginKey("a")
	want := "margin:a"
	if got != want {
		t.Errorf("marginKey() = %q, want %q", got, want)
	}
}

func TestFundingKey(t *testing.T) {
	got := fundingKey("b", "ETH/USDT")
	want := "funding_rate:b:ETH/USDT"
	if got != want {
		t.Errorf("fundingKey() = %q, want %q", got, want)
	}
}
