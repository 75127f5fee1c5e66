package types

import "testing"

func TestChannelValid(t *testing.T) {
	tests := []struct {
		channel Channel
		want    bool
	}{
		{ChannelEmail, true},
		{ChannelSMS, true},
		{ChannelPush, true},
		{Channel("fax"), false},
		{Channel(""), false},
		{Channel("EMAIL"), false},
	}
	for _, tt := range tests {
		if got := tt.channel.Valid(); got != tt.want {
			t.Errorf("Channel(%q).Valid() = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestCategoryNormalize(t *testing.T) {
	tests := []struct {
		in   Category
		want Category
	}{
		{Category("Marketing"), CategoryMarketing},
		{Category("PAYMENT"), CategoryPayment},
		{CategoryBooking, CategoryBooking},
		{Category("Custom-Thing"), Category("custom-thing")},
	}
	for _, tt := range tests {
		if got := tt.in.Normalize(); got != tt.want {
			t.Errorf("Category(%q).Normalize() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCategoryKnown(t *testing.T) {
	for _, c := range KnownCategories {
		if !c.Known() {
			t.Errorf("Category(%q).Known() = false, want true", c)
		}
	}

	// Matching is case-insensitive.
	if !Category("Security").Known() {
		t.Error("Category(\"Security\").Known() = false, want true")
	}

	// Unknown categories bypass preference toggles; Known must be false.
	for _, c := range []Category{"gossip", "transactional", ""} {
		if c.Known() {
			t.Errorf("Category(%q).Known() = true, want false", c)
		}
	}
}

func TestNotificationStatusRank(t *testing.T) {
	// The lifecycle progresses strictly forward through the happy path.
	ordered := []NotificationStatus{StatusQueued, StatusSent, StatusDelivered, StatusOpened, StatusClicked}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Errorf("Rank(%q) = %d should be below Rank(%q) = %d",
				ordered[i-1], ordered[i-1].Rank(), ordered[i], ordered[i].Rank())
		}
	}

	// Failure states sit outside the forward ordering.
	if StatusFailed.Rank() != -1 {
		t.Errorf("StatusFailed.Rank() = %d, want -1", StatusFailed.Rank())
	}
	if StatusBounced.Rank() != -1 {
		t.Errorf("StatusBounced.Rank() = %d, want -1", StatusBounced.Rank())
	}
}

func TestNotificationStatusTerminal(t *testing.T) {
	terminal := map[NotificationStatus]bool{
		StatusQueued:    false,
		StatusSent:      false,
		StatusDelivered: false,
		StatusOpened:    false,
		StatusClicked:   false,
		StatusFailed:    true,
		StatusBounced:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("NotificationStatus(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestUnsubscribeScopeChannels(t *testing.T) {
	tests := []struct {
		scope UnsubscribeScope
		want  []Channel
	}{
		{ScopeEmail, []Channel{ChannelEmail}},
		{ScopeSMS, []Channel{ChannelSMS}},
		{ScopeAll, []Channel{ChannelEmail, ChannelSMS, ChannelPush}},
		{UnsubscribeScope("push"), nil},
	}
	for _, tt := range tests {
		got := tt.scope.Channels()
		if len(got) != len(tt.want) {
			t.Errorf("Scope(%q).Channels() = %v, want %v", tt.scope, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Scope(%q).Channels()[%d] = %q, want %q", tt.scope, i, got[i], tt.want[i])
			}
		}
	}
}
