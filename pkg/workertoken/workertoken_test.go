package workertoken_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils/try"
	"github.com/archlinux/buildbtw/pkg/workertoken"
)

func TestIssuer(t *testing.T) {
	issuer := workertoken.New("test-secret", time.Hour)
	iterationId := uuid.New()

	t.Run("a token verifies for its own node", func(t *testing.T) {
		token := try.To(issuer.Sign(iterationId, "curl", domain.ArchX86_64)).OrFatal(t)
		if err := issuer.Verify(token, iterationId, "curl", domain.ArchX86_64); err != nil {
			t.Errorf("verify: %v", err)
		}
	})

	t.Run("a token does not verify for another node", func(t *testing.T) {
		token := try.To(issuer.Sign(iterationId, "curl", domain.ArchX86_64)).OrFatal(t)
		if err := issuer.Verify(token, iterationId, "openssl", domain.ArchX86_64); err == nil {
			t.Error("token for curl verified for openssl")
		}
		if err := issuer.Verify(token, uuid.New(), "curl", domain.ArchX86_64); err == nil {
			t.Error("token verified for a different iteration")
		}
	})

	t.Run("a token from another secret is rejected", func(t *testing.T) {
		stranger := workertoken.New("other-secret", time.Hour)
		token := try.To(stranger.Sign(iterationId, "curl", domain.ArchX86_64)).OrFatal(t)
		if err := issuer.Verify(token, iterationId, "curl", domain.ArchX86_64); err == nil {
			t.Error("foreign token verified")
		}
	})

	t.Run("an expired token is rejected", func(t *testing.T) {
		expired := workertoken.New("test-secret", -time.Minute)
		token := try.To(expired.Sign(iterationId, "curl", domain.ArchX86_64)).OrFatal(t)
		if err := issuer.Verify(token, iterationId, "curl", domain.ArchX86_64); err == nil {
			t.Error("expired token verified")
		}
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		if err := issuer.Verify("not-a-token", iterationId, "curl", domain.ArchX86_64); err == nil {
			t.Error("garbage verified")
		}
	})
}
