package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/opensource-finance/txpolicy/internal/policy"
)

// emptyPolicy denies everything.
var emptyPolicy = []byte(`{"policy": {"rules": []}}`)

// Bootstrap loads the initial policy. The latest stored version wins; when
// nothing is stored the configured files seed the repository. Without either
// the service starts with an empty rule list, which denies every request.
func (s *Service) Bootstrap(ctx context.Context, cfg domain.PolicyConfig) error {
	if s.opts.Repo != nil {
		doc, err := s.opts.Repo.GetActivePolicy(ctx)
		switch {
		case err == nil:
			return s.Load(doc)
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("load stored policy: %w", err)
		}
	}

	if cfg.DocumentPath == "" {
		slog.Warn("no policy configured, denying all requests")
		return s.Load(&domain.PolicyDocument{Document: emptyPolicy, Groups: domain.GroupMembership{}})
	}

	document, groups, err := ReadPolicyFiles(cfg.DocumentPath, cfg.GroupsPath)
	if err != nil {
		return err
	}

	doc, err := s.UpdatePolicy(ctx, document, groups)
	if err != nil {
		return fmt.Errorf("seed policy from %s: %w", cfg.DocumentPath, err)
	}

	slog.Info("policy seeded from file",
		"path", cfg.DocumentPath,
		"version", doc.Version,
	)
	return nil
}

// ReadPolicyFiles reads a policy document and, when groupsPath is set, a
// user-group listing.
func ReadPolicyFiles(documentPath, groupsPath string) ([]byte, domain.GroupMembership, error) {
	document, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read policy document: %v", domain.ErrConfiguration, err)
	}

	groups := domain.GroupMembership{}
	if groupsPath != "" {
		data, err := os.ReadFile(groupsPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read groups: %v", domain.ErrConfiguration, err)
		}
		if groups, err = policy.ParseGroups(data); err != nil {
			return nil, nil, err
		}
	}
	return document, groups, nil
}
