// Package jwt signs and verifies the portal's access and refresh tokens.
//
// Both token kinds carry a typ claim so that one can never be presented in
// place of the other. Refresh tokens additionally carry a jti whose digest is
// the lookup key of the refresh registry.
package jwt
