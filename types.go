package furiwake

// CredentialSpec describes a credential to register. Material is the raw
// secret; the router seals it immediately and never stores or logs the
// plaintext.
type CredentialSpec struct {
	// ID is optional; a uuid is assigned when empty.
	ID       string
	Provider string
	Material []byte
	// Metadata carries routing hints ("tier", "region", "team",
	// "cost_per_1k") and per-window quota limits ("hourly_limit",
	// "daily_limit", "monthly_limit"), which seed the quota engine at
	// registration.
	Metadata map[string]string
}
