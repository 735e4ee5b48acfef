// Package workertoken signs and verifies the bearer tokens handed to
// executors along with an assignment. A status report or artifact
// upload must present the token of the node it concerns.
package workertoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func subject(iterationId uuid.UUID, pkgbase domain.Pkgbase, arch domain.Architecture) string {
	return fmt.Sprintf("%s/%s/%s", iterationId, pkgbase, arch)
}

func (i *Issuer) Sign(iterationId uuid.UUID, pkgbase domain.Pkgbase, arch domain.Architecture) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject(iterationId, pkgbase, arch),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	})
	return token.SignedString(i.secret)
}

// Verify checks signature, expiry and that the token was issued for
// exactly this node.
func (i *Issuer) Verify(raw string, iterationId uuid.UUID, pkgbase domain.Pkgbase, arch domain.Architecture) error {
	token, err := jwt.ParseWithClaims(
		raw, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != subject(iterationId, pkgbase, arch) {
		return fmt.Errorf("token does not match node %s", subject(iterationId, pkgbase, arch))
	}
	return nil
}
