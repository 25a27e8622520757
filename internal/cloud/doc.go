// Package cloud talks to the Sydpower serverless API that fronts the
// Fossibot mobile app.
//
// Every call is a signed POST to a single endpoint. The body names a
// serverless method and carries a millisecond timestamp. The
// x-serverless-sign header is the hex HMAC-MD5 of the body's non-empty
// fields, sorted by key and joined as k=v pairs with "&".
//
// A session is built from four calls:
//
//  1. serverless.auth.user.anonymousAuthorize: anonymous API token
//  2. user/pub/login: account access token
//  3. common/emqx.getAccessToken: broker token, sometimes with host and port
//  4. client/device/kh/getList: devices on the account
//
// Provider implements orchestrator.AuthProvider on top of these calls.
//
// Usage:
//
//	provider, err := cloud.NewProvider(cfg.Cloud, cfg.Account.Locale)
//	if err != nil {
//	    return err
//	}
//	provider.SetLogger(log.Component("cloud"))
//	sess, err := provider.Authenticate(ctx, creds)
package cloud
