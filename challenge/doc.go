// Package challenge carries an in-flight login or registration attempt
// between calls as a signed, short-lived bearer token.
//
// A challenge is a tagged union over its flow's stages. Every step decodes
// the token, names the stages it accepts and advances through [Encoder.Advance],
// which refuses transitions missing from the flow's table. The token id is
// stable for the whole flow so a terminal step can burn it once.
//
// Challenges are signed with their own key and a per-flow audience, so a
// login challenge is never accepted by a registration step and neither is
// accepted as an access token.
package challenge
