package odx

import "testing"

func TestIsAllowedCriteriaKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"geo.country", true},
		{"domain.health", true},
		{"time.weekday", true},
		{"quality.completeness", true},
		{"privacy.tier", true},
		{"availability.hours", true},
		{"account.age_days", true},
		{"age_bucket", true},
		{"country", true},
		{"GEO.Country", true}, // case-insensitive
		{"user.email", false},
		{"email", false},
		{"device.imei", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsAllowedCriteriaKey(tc.key); got != tc.want {
			t.Errorf("IsAllowedCriteriaKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestIdentifierTables(t *testing.T) {
	if !IsDirectIdentifier("Email") {
		t.Error("email not recognised as direct identifier")
	}
	if !IsDirectIdentifier("nationalId") {
		t.Error("nationalId not recognised as direct identifier")
	}
	if IsDirectIdentifier("birthdate") {
		t.Error("birthdate misclassified as direct identifier")
	}

	if !IsQuasiIdentifier("zipcode") {
		t.Error("zipcode not recognised as quasi-identifier")
	}
	if got := CountQuasiIdentifiers([]string{"birthdate", "ZIPCODE", "gender", "birthdate", "country"}); got != 3 {
		t.Errorf("CountQuasiIdentifiers = %d, want 3", got)
	}
}

func TestSensitiveAndMinors(t *testing.T) {
	if !IsSensitiveCategory("health") || !IsSensitiveCategory("Biometric") {
		t.Error("sensitive categories not recognised")
	}
	if IsSensitiveCategory("location") {
		t.Error("location misclassified as sensitive category")
	}

	if !IsMinorsIndicator("under_18") {
		t.Error("under_18 not recognised")
	}
	if !ContainsMinorsIndicator("Study of teens, sleep and screens") {
		t.Error("minors indicator not found in purpose text")
	}
	if ContainsMinorsIndicator("adult fitness study") {
		t.Error("false minors hit")
	}
}

func TestSplitLabel(t *testing.T) {
	got := SplitLabel("geo.city_bucket")
	if len(got) != 2 || got[0] != "geo" || got[1] != "city_bucket" {
		t.Errorf("SplitLabel(geo.city_bucket) = %v", got)
	}
	got = SplitLabel("account.under_18")
	if len(got) != 2 || got[1] != "under_18" {
		t.Errorf("SplitLabel(account.under_18) = %v", got)
	}
}

func TestContainsSensitiveCategory(t *testing.T) {
	if !ContainsSensitiveCategory("domain.health") {
		t.Error("domain.health not recognised as sensitive")
	}
	if !ContainsSensitiveCategory("Genetic") {
		t.Error("bare genetic label not recognised")
	}
	if ContainsSensitiveCategory("domain.fitness") {
		t.Error("domain.fitness misclassified as sensitive")
	}
}

func TestNormalize_NFC(t *testing.T) {
	// Composed and decomposed share a normal form.
	if Normalize("santé") != Normalize("santé") {
		t.Error("NFC normalisation not applied")
	}
}
