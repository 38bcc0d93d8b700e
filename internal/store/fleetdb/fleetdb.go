// Package fleetdb adapts fleetdb server inventory into conductor nodes.
package fleetdb

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	fleetdbapi "github.com/metal-toolbox/fleetdb/pkg/api/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/model"
)

const (
	// connectionTimeout is the maximum amount of time spent on each http connection to fleetdb.
	connectionTimeout = 30 * time.Second

	// pageSize is the number of servers fetched per inventory list call.
	pageSize = 100

	// defaultDriver is assumed for servers enrolled without a declared
	// out-of-band driver attribute.
	defaultDriver = "redfish"
)

// Store reads node inventory out of fleetdb. The conductor never writes
// inventory, its own state goes through the journal.
type Store struct {
	logger   *logrus.Entry
	client   *fleetdbapi.Client
	facility string
}

func New(ctx context.Context, cfg *config.FleetDBOptions, facility string, logger *logrus.Entry) (*Store, error) {
	client, err := newFleetDBClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Store{logger: logger, client: client, facility: facility}, nil
}

func newFleetDBClient(ctx context.Context, cfg *config.FleetDBOptions, logger *logrus.Entry) (*fleetdbapi.Client, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.Wrap(ErrFleetDBConfig, "endpoint not defined")
	}

	if cfg.DisableOAuth {
		return fleetdbapi.NewClientWithToken("dummy", cfg.Endpoint, nil)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OidcIssuerEndpoint)
	if err != nil {
		return nil, errors.Wrap(ErrFleetDBConfig, err.Error())
	}

	clientID := model.AppName
	if cfg.OidcClientID != "" {
		clientID = cfg.OidcClientID
	}

	oauthConfig := clientcredentials.Config{
		ClientID:       clientID,
		ClientSecret:   cfg.OidcClientSecret,
		TokenURL:       provider.Endpoint().TokenURL,
		Scopes:         cfg.OidcClientScopes,
		EndpointParams: url.Values{"audience": []string{cfg.OidcAudienceEndpoint}},
	}

	retryableClient := retryablehttp.NewClient()
	retryableClient.Logger = logger
	retryableClient.HTTPClient.Transport = otelhttp.NewTransport(retryableClient.HTTPClient.Transport)

	httpClient := retryableClient.StandardClient()
	httpClient.Timeout = connectionTimeout

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	return fleetdbapi.NewClientWithToken(
		cfg.OidcClientSecret,
		cfg.Endpoint,
		oauthConfig.Client(ctx),
	)
}

func (s *Store) NodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error) {
	server, _, err := s.client.Get(ctx, nodeID)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(model.ErrNodeNotFound, nodeID.String())
		}

		return nil, errors.Wrap(ErrInventoryQuery, err.Error())
	}

	credential, _, err := s.client.GetCredential(ctx, nodeID, fleetdbapi.ServerCredentialTypeBMC)
	if err != nil {
		return nil, errors.Wrap(ErrCredentials, err.Error())
	}

	return s.asNode(server, credential)
}

func (s *Store) ListNodeIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}

	for page := 1; ; page++ {
		servers, response, err := s.client.List(ctx, &fleetdbapi.ServerListParams{
			FacilityCode: s.facility,
			PaginationParams: &fleetdbapi.PaginationParams{
				Limit: pageSize,
				Page:  page,
			},
		})
		if err != nil {
			return nil, errors.Wrap(ErrInventoryQuery, err.Error())
		}

		for i := range servers {
			ids = append(ids, servers[i].UUID)
		}

		if response == nil || page >= response.TotalPages {
			break
		}
	}

	return ids, nil
}

func (s *Store) asNode(server *fleetdbapi.Server, credential *fleetdbapi.ServerCredential) (*model.Node, error) {
	node := &model.Node{
		ID:             server.UUID,
		DriverName:     defaultDriver,
		BmcUsername:    credential.Username,
		BmcPassword:    credential.Password,
		FacilityCode:   server.FacilityCode,
		ProvisionState: model.StateEnrolled,
	}

	for _, attribute := range server.Attributes {
		data := map[string]string{}

		switch attribute.Namespace {
		case bmcAttributeNamespace:
			if err := json.Unmarshal(attribute.Data, &data); err != nil {
				return nil, errors.Wrap(ErrAttrObject, "bmc address: "+err.Error())
			}

			node.BmcAddress = net.ParseIP(data[bmcIPAddressAttributeKey])

		case serverVendorAttributeNS:
			if err := json.Unmarshal(attribute.Data, &data); err != nil {
				return nil, errors.Wrap(ErrAttrObject, "vendor attributes: "+err.Error())
			}

			node.Vendor = data[serverVendorAttributeKey]
			node.Model = data[serverModelAttributeKey]
			node.Serial = data[serverSerialAttributeKey]

		case nodeAttributeNS:
			if err := json.Unmarshal(attribute.Data, &data); err != nil {
				return nil, errors.Wrap(ErrAttrObject, "node attributes: "+err.Error())
			}

			if driver := data[nodeDriverAttributeKey]; driver != "" {
				node.DriverName = driver
			}
		}
	}

	if node.BmcAddress == nil {
		return nil, errors.Wrap(ErrAttrObject, "server "+server.UUID.String()+" has no BMC address attribute")
	}

	return node, nil
}

func isNotFound(err error) bool {
	serverError := fleetdbapi.ServerError{}

	return errors.As(err, &serverError) && serverError.StatusCode == http.StatusNotFound
}
