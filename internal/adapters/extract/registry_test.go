package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/adapters/extract"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

func TestRegistryResolvesPortalTypes(t *testing.T) {
	portal := extract.NewPortalExtractor(extract.PortalExtractorOptions{})
	r := extract.NewRegistry(extract.RegistryOptions{Portal: portal})

	for _, st := range []model.SourceType{
		model.SourceTypeFreeInvoice,
		model.SourceTypeFreeMobileInvoice,
	} {
		got, err := r.Resolve(st)
		require.NoError(t, err, st)
		assert.Same(t, portal, got, st)
	}
}

func TestRegistryResolvesGmail(t *testing.T) {
	gmail := extract.NewGmailExtractor(extract.GmailExtractorOptions{})
	r := extract.NewRegistry(extract.RegistryOptions{Gmail: gmail})

	got, err := r.Resolve(model.SourceTypeGmail)
	require.NoError(t, err)
	assert.Same(t, gmail, got)
}

func TestRegistryNotConfigured(t *testing.T) {
	r := extract.NewRegistry(extract.RegistryOptions{})

	_, err := r.Resolve(model.SourceTypeFreeInvoice)
	require.ErrorContains(t, err, "portal extractor not configured")

	_, err = r.Resolve(model.SourceTypeGmail)
	require.ErrorContains(t, err, "gmail extractor not configured")
}

func TestRegistryUnknownType(t *testing.T) {
	r := extract.NewRegistry(extract.RegistryOptions{
		Portal: extract.NewPortalExtractor(extract.PortalExtractorOptions{}),
	})

	_, err := r.Resolve(model.SourceType("Carrier"))
	require.ErrorContains(t, err, "unknown source type")
}
