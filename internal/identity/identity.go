// Package identity resolves bearer tokens to chat users. Tokens are issued by
// the authentication service and stored in Redis as hashes; this package only
// reads them, refreshes their TTL, and adapts them to chat.Identity.
package identity
