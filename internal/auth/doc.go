// Package auth identifies the participant behind each request.
//
// # Authentication Methods
//
//   - JWT Tokens: clients send an HS256 token signed with the configured
//     secret, as "Authorization: Bearer <token>" or, for EventSource and
//     WebSocket clients, as the access_token query parameter. The "sub"
//     claim is the participant id; "exp" is required.
//
//   - Trusted header: with token auth disabled, the X-Participant-ID header
//     names the participant. Only deploy this behind a proxy that sets the
//     header after authenticating the user itself.
//
// # Usage
//
//	verifier := auth.NewJWTVerifier(secret, "studio-booking")
//	handler = auth.Middleware(verifier, logger)(handler)
//
// Handlers read the identity with auth.FromContext or auth.ParticipantID.
package auth
