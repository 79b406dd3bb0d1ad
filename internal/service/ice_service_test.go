package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"github.com/stretchr/testify/assert"
)

func TestICEServers_LeastLoadedRelay(t *testing.T) {
	assert := assert.New(t)

	mockRegistryClient := mockClient("http://service-registry:8080", map[string]rpc.MockResponse{
		"GET:http://service-registry:8080/v1/services?application=turn-server&only-healthy=true": rpc.MockResponse{
			Body: []dto.Service{
				dto.Service{
					ID:          id.New(),
					Application: "turn-server",
					Location:    "turn-1",
					Port:        8081,
					Status:      dto.StatusHealty,
				},
				dto.Service{
					ID:          id.New(),
					Application: "turn-server",
					Location:    "turn-2",
					Port:        8080,
					Status:      dto.StatusHealty,
				},
				dto.Service{
					ID:          id.New(),
					Application: "turn-server",
					Location:    "turn-3",
					Port:        8080,
					Status:      dto.StatusHealty,
				},
			},
		},
	})

	mockTurnClient := mockClient("", map[string]rpc.MockResponse{
		"GET:http://turn-1:8081/v1/sessions/statistics": rpc.MockResponse{
			Body: dto.SessionStatistics{
				Started: 150,
				Ended:   50,
			},
		},
		"GET:http://turn-2:8080/v1/sessions/statistics": rpc.MockResponse{
			Body: dto.SessionStatistics{
				Started: 100,
				Ended:   50,
			},
		},
		"GET:http://turn-3:8080/v1/sessions/statistics": rpc.MockResponse{
			Err: httputil.ServiceUnavailableError(nil),
		},
	})

	s := service.IceService{
		DiscoverRelays:  true,
		TurnRPCProtocol: "http",
		RelayPort:       3478,
		StunURLs:        []string{"stun:stun.l.google.com:19302"},
		RegistryClient:  serviceregistry.NewClient(mockRegistryClient),
		TurnClient:      turnserver.NewClient(mockTurnClient),
	}

	servers := s.ICEServers(context.Background())
	assert.Len(servers, 1)
	assert.Equal([]string{"stun:turn-2:3478", "stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func TestICEServers_RegistryUnavailable(t *testing.T) {
	assert := assert.New(t)

	mockRegistryClient := mockClient("http://service-registry:8080", map[string]rpc.MockResponse{
		"GET:http://service-registry:8080/v1/services?application=turn-server&only-healthy=true": rpc.MockResponse{
			Err: httputil.ServiceUnavailableError(nil),
		},
	})

	s := service.IceService{
		DiscoverRelays:  true,
		TurnRPCProtocol: "http",
		RelayPort:       3478,
		StunURLs:        []string{"stun:stun.l.google.com:19302"},
		RegistryClient:  serviceregistry.NewClient(mockRegistryClient),
		TurnClient:      turnserver.NewClient(mockClient("", nil)),
	}

	servers := s.ICEServers(context.Background())
	assert.Len(servers, 1)
	assert.Equal([]string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func TestICEServers_Unconfigured(t *testing.T) {
	s := service.IceService{}
	assert.Len(t, s.ICEServers(context.Background()), 0)
}

func mockClient(baseURL string, reponses map[string]rpc.MockResponse) client.Client {
	c := client.Client{
		RPCClient: &rpc.MockClient{
			Client:    rpc.NewClient(time.Second),
			Responses: reponses,
		},
		Issuer:    jwt.NewIssuer(getTestJWTCredentials()),
		BaseURL:   baseURL,
		Role:      jwt.SystemRole,
		UserAgent: "mockClient",
	}

	return c
}

func getTestJWTCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: "call-manager-test",
		Secret: "very-secret-secret",
	}
}
