package access

import (
	"errors"
	"testing"
)

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name      string
		principal string
		customer  string
		artisan   string
		wantErr   bool
	}{
		{name: "customer is a participant", principal: "cus-1", customer: "cus-1", artisan: "art-1"},
		{name: "artisan is a participant", principal: "art-1", customer: "cus-1", artisan: "art-1"},
		{name: "stranger is rejected", principal: "cus-2", customer: "cus-1", artisan: "art-1", wantErr: true},
		{name: "empty principal is rejected", principal: "", customer: "cus-1", artisan: "art-1", wantErr: true},
		{name: "empty principal never matches empty participant", principal: "", customer: "", artisan: "art-1", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.principal, tc.customer, tc.artisan)
			if tc.wantErr {
				if !errors.Is(err, ErrNotParticipant) {
					t.Fatalf("Authorize() = %v, want ErrNotParticipant", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("CUSTOMER") != RoleCustomer {
		t.Fatal("expected CUSTOMER to normalize to RoleCustomer")
	}
	if Normalize("ARTISAN") != RoleArtisan {
		t.Fatal("expected ARTISAN to normalize to RoleArtisan")
	}
	if Normalize("admin") != "" {
		t.Fatal("expected unknown role to normalize to empty")
	}
	if ValidRole("MODERATOR") {
		t.Fatal("expected MODERATOR to be invalid")
	}
}
