package core

import (
	"github.com/ParleSec/casproxy/internal/auth"
	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/credential"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/internal/mockidp"
	"github.com/ParleSec/casproxy/internal/session"
	"github.com/ParleSec/casproxy/internal/tis"
)

// MockPrefix is where the mock CAS/TIS is mounted when enabled.
const MockPrefix = "/mock"

// BootstrapResult holds the initialized dependencies of the server.
type BootstrapResult struct {
	Config    *Config
	Logger    *logger.Logger
	MockCAS   *mockidp.MockCAS
	CAS       *cas.Client
	Store     *session.Store
	Auth      *auth.Orchestrator
	TIS       *tis.Client
	Catalogue *tis.Catalogue
}

// Bootstrap wires the CAS client, session store, orchestrator and TIS clients from cfg.
// With the mock enabled the upstream URLs are rewritten to point at BaseURL + MockPrefix.
func Bootstrap(cfg *Config, log *logger.Logger) *BootstrapResult {
	var mock *mockidp.MockCAS
	if cfg.MockCASEnabled {
		mock = mockidp.New()
		base := cfg.BaseURL + MockPrefix
		cfg.Upstream.LoginURL = mockidp.LoginURL(base)
		cfg.Upstream.ServiceURL = mockidp.ServiceURL(base)
		cfg.Upstream.TISBaseURL = mockidp.TISBaseURL(base)
		cfg.Upstream.CatalogueURL = mockidp.CatalogueURL(base)
		log.Info("mock CAS enabled", "base", base)
	}

	up := cfg.Upstream
	client := cas.NewClient(cas.Config{
		LoginURL:       up.LoginURL,
		ServiceURL:     up.ServiceURL,
		ServiceReferer: up.ServiceReferer(),
		UserAgent:      up.UserAgent,
		Timeout:        up.Timeout,
	}, cas.NewTokenScraper(), log)

	store := session.NewStore(client.NewSession, log)
	hasher := credential.NewHasher(cfg.KDF.Iterations)

	log.Info("upstream configured",
		"login_url", up.LoginURL,
		"tis_base_url", up.TISBaseURL,
		"kdf_iterations", hasher.Iterations(),
	)

	return &BootstrapResult{
		Config:    cfg,
		Logger:    log,
		MockCAS:   mock,
		CAS:       client,
		Store:     store,
		Auth:      auth.NewOrchestrator(client, store, hasher, log),
		TIS:       tis.NewClient(up.TISBaseURL, log),
		Catalogue: tis.NewCatalogue(up.CatalogueURL, up.UserAgent, up.Timeout, log),
	}
}
