package relay

const (
	// ChannelPrefix namespaces two-party channels away from any other
	// channel naming scheme.
	ChannelPrefix = "private_"

	// ChannelSeparator joins the two identities of a channel id.
	ChannelSeparator = "_"
)

// DeriveChannel returns the canonical channel id shared by two identities.
// The result is the same for (a, b) and (b, a) and contains no per-process
// state, so both participants compute it independently.
//
// Distinct pairs map to distinct ids only while identities do not contain
// ChannelSeparator: ("a_b", "c") and ("a", "b_c") both yield "private_a_b_c".
// Servers that need strict collision freedom set ForbidSeparator.
func DeriveChannel(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return ChannelPrefix + a + ChannelSeparator + b
}
