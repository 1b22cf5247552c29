// Package auth attaches outbound credentials to HTTP requests. It supports
// anonymous access, HTTP basic auth, the OAuth2 client-credentials grant and
// the backend-services variant that authenticates the token request with a
// signed JWT assertion instead of a client secret.
package auth

import (
	"crypto/rsa"
	"fmt"
)

// Kind selects the authentication mode of a Method.
type Kind int

const (
	KindNone Kind = iota
	KindBasic
	KindOAuth
	KindJWTBearer
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBasic:
		return "basic"
	case KindOAuth:
		return "oauth"
	case KindJWTBearer:
		return "jwt-bearer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Method describes how to authenticate against one remote endpoint. The set
// of modes is closed; adding one means a new Kind plus a new arm in
// Provider.Apply.
type Method struct {
	Kind Kind

	// Basic
	User     string
	Password string

	// OAuth / JWTBearer
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	PrivateKey   *rsa.PrivateKey
}

func None() Method {
	return Method{Kind: KindNone}
}

func Basic(user, password string) Method {
	return Method{Kind: KindBasic, User: user, Password: password}
}

func OAuth(clientID, clientSecret, tokenURL string) Method {
	return Method{Kind: KindOAuth, ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL}
}

func JWTBearer(clientID, tokenURL, scope string, key *rsa.PrivateKey) Method {
	return Method{Kind: KindJWTBearer, ClientID: clientID, TokenURL: tokenURL, Scope: scope, PrivateKey: key}
}

// Validate checks that the fields required by the method's kind are present.
func (m Method) Validate() error {
	switch m.Kind {
	case KindNone:
		return nil
	case KindBasic:
		if m.User == "" {
			return fmt.Errorf("basic auth requires a user")
		}
		return nil
	case KindOAuth:
		if m.ClientID == "" || m.ClientSecret == "" || m.TokenURL == "" {
			return fmt.Errorf("oauth requires client id, client secret and token url")
		}
		return nil
	case KindJWTBearer:
		if m.ClientID == "" || m.TokenURL == "" {
			return fmt.Errorf("jwt-bearer requires client id and token url")
		}
		if m.PrivateKey == nil {
			return fmt.Errorf("jwt-bearer requires a private key")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth kind %d", int(m.Kind))
	}
}
