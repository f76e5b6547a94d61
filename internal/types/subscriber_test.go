package types

import "testing"

func TestSubscriber_Validate(t *testing.T) {
	base := Subscriber{ServerID: "srv-1", ServiceURL: "https://smba.trafficmanager.net/emea/"}

	tests := []struct {
		name    string
		mutate  func(s *Subscriber)
		wantErr ErrorCode
	}{
		{name: "minimal subscriber", mutate: func(s *Subscriber) {}},
		{name: "both ids set", mutate: func(s *Subscriber) { s.ConversationID, s.ChannelID = "c1", "skype" }},
		{name: "missing server id", mutate: func(s *Subscriber) { s.ServerID = "" }, wantErr: ErrCodeValidationMissingField},
		{name: "missing service url", mutate: func(s *Subscriber) { s.ServiceURL = "" }, wantErr: ErrCodeValidationMissingField},
		{name: "relative service url", mutate: func(s *Subscriber) { s.ServiceURL = "/v3" }, wantErr: ErrCodeValidationInvalidParam},
		{name: "conversation without channel", mutate: func(s *Subscriber) { s.ConversationID = "c1" }, wantErr: ErrCodeValidationInvalidParam},
		{name: "channel without conversation", mutate: func(s *Subscriber) { s.ChannelID = "skype" }, wantErr: ErrCodeValidationInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !IsCode(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want code %s", err, tt.wantErr)
			}
		})
	}
}

func TestSubscriber_HasConversation(t *testing.T) {
	if (Subscriber{}).HasConversation() {
		t.Error("empty subscriber must not have a conversation")
	}
	if (Subscriber{ConversationID: "c"}).HasConversation() {
		t.Error("half-populated subscriber must not count as addressable")
	}
	if !(Subscriber{ConversationID: "c", ChannelID: "msteams"}).HasConversation() {
		t.Error("fully populated subscriber should be addressable")
	}
}

func TestNormalizeServiceURL(t *testing.T) {
	tests := map[string]string{
		"https://SMBA.trafficmanager.net/emea/": "https://smba.trafficmanager.net/emea",
		"https://smba.trafficmanager.net/emea":  "https://smba.trafficmanager.net/emea",
		" HTTPS://Example.com/ ":                "https://example.com",
	}
	for in, want := range tests {
		if got := NormalizeServiceURL(in); got != want {
			t.Errorf("NormalizeServiceURL(%q) = %q, want %q", in, got, want)
		}
	}
}
