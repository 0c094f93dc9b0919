// Package credential keeps a valid bearer token for the backend API.
//
// A Refresher holds the current Credential in an atomic pointer so readers
// never see a half-written token. Token returns it directly while its
// remaining lifetime exceeds the refresh margin. Otherwise one refresh runs
// through the resilience gateway under the "auth" dependency and every
// concurrent caller waits on that single flight.
//
// When a refresh fails the previous token is still returned as long as it
// has not expired. Once it has, Token fails with ErrCredentialUnavailable.
// Run refreshes proactively on an interval so most requests never wait.
//
// Sources:
//
//   - HTTPSource logs in with username and password, prefers the refresh
//     token when it has one, and falls back to a fresh login if the refresh
//     is rejected.
//   - StaticSource serves a pre-issued token.
//
// Expiry comes from the JWT exp claim, then the response's expires_in, then
// a default lifetime. Passwords may come from SSM Parameter Store via
// ParamStore.
package credential
