package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/CzarSimon/httputil"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"go.uber.org/zap"
)

// IceService resolves the ICE servers used for new peer connections. The least loaded
// healthy relay registered in the service registry is preferred, followed by the
// statically configured STUN urls. Relay discovery is skipped unless DiscoverRelays is set.
type IceService struct {
	DiscoverRelays  bool
	TurnRPCProtocol string
	RelayPort       int
	StunURLs        []string
	RegistryClient  serviceregistry.Client
	TurnClient      turnserver.Client
}

// ICEServers returns the ICE servers for a new call. Registry failures degrade to the
// static STUN urls.
func (s *IceService) ICEServers(ctx context.Context) []webrtc.ICEServer {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.IceService.ICEServers")
	defer span.Finish()

	urls := make([]string, 0, len(s.StunURLs)+1)
	relay, err := s.findRelay(ctx)
	if err != nil {
		log.Warn("no relay available, using static stun servers", zap.Error(err))
		span.LogFields(tracelog.Error(err))
	} else {
		urls = append(urls, relay)
	}
	urls = append(urls, s.StunURLs...)

	if len(urls) == 0 {
		return nil
	}

	return []webrtc.ICEServer{
		{URLs: urls},
	}
}

func (s *IceService) findRelay(ctx context.Context) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.IceService.findRelay")
	defer span.Finish()

	if !s.DiscoverRelays {
		return "", errors.New("relay discovery disabled")
	}

	services, err := s.RegistryClient.FindByApplication(ctx, "turn-server", true)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", httputil.BadGatewayError(err)
	}

	best, err := s.findBestTurnServer(ctx, services)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", err
	}

	span.LogFields(tracelog.Bool("success", true))
	return fmt.Sprintf("stun:%s:%d", best.Location, s.RelayPort), nil
}

func (s *IceService) findBestTurnServer(ctx context.Context, services []dto.Service) (dto.Service, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.IceService.findBestTurnServer")
	defer span.Finish()

	connections := make([]uint64, len(services))
	wg := sync.WaitGroup{}

	for i := range services {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			svc := services[idx]
			url := fmt.Sprintf("%s://%s:%d", s.TurnRPCProtocol, svc.Location, svc.Port)
			stats, err := s.TurnClient.GetStatistics(ctx, url)
			if err != nil {
				log.Warn("failed to gather statistics from "+url, zap.Error(err))
				span.LogFields(tracelog.String("candidate", url), tracelog.Error(err))
				connections[idx] = math.MaxUint64
			} else {
				connections[idx] = stats.InProgress()
			}
		}(i)
	}
	wg.Wait()

	var best dto.Service
	var least uint64 = math.MaxUint64
	for i, conns := range connections {
		if conns < least {
			least = conns
			best = services[i]
		}
	}

	if best.ID == "" {
		err := httputil.InternalServerError(errors.New("no turn-server found"))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return dto.Service{}, err
	}

	span.LogFields(tracelog.Bool("success", true))
	return best, nil
}
