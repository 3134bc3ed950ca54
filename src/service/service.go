package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/unauthority/los/src/node"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is usefull when LOS is used
// in-memory and expecpted to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering LOS API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/consensus", s.makeHandler(s.GetConsensus))
	http.HandleFunc("/checkpoints", s.makeHandler(s.GetCheckpoints))
	http.HandleFunc("/checkpoint/", s.makeHandler(s.GetCheckpoint))
	http.HandleFunc("/validators", s.makeHandler(s.GetValidators))
	http.HandleFunc("/proposals", s.makeHandler(s.GetProposals))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when LOS is used in-memory and another server has already been
// started with the DefaultServerMux and the same address:port combination.
// Indeed, LOS API handlers have already been registered when the service was
// instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving LOS API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"validator":   s.node.Validator().Address(),
		"uptime":      s.node.Uptime().String(),
		"consensus":   s.node.Engine().Stats(),
		"checkpoints": s.node.Checkpoints().Stats(),
		"slashing":    s.node.Slashing().Stats(),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetConsensus ...
func (s *Service) GetConsensus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Engine().Stats())
}

// GetCheckpoints ...
func (s *Service) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.node.Checkpoints().AllCheckpoints()

	if err != nil {
		s.logger.WithError(err).Error("Retrieving checkpoints")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(checkpoints)
}

// GetCheckpoint ...
func (s *Service) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/checkpoint/"):]

	height, err := strconv.ParseUint(param, 10, 64)

	if err != nil {
		s.logger.WithError(err).Errorf("Parsing height parameter %s", param)

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	cp, err := s.node.Checkpoints().GetCheckpoint(height)

	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving checkpoint %d", height)

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(cp)
}

// GetValidators ...
func (s *Service) GetValidators(w http.ResponseWriter, r *http.Request) {
	sl := s.node.Slashing()

	validators := []map[string]interface{}{}
	for _, addr := range sl.AllValidatorAddresses() {
		profile, ok := sl.Profile(addr)
		if !ok {
			continue
		}
		validators = append(validators, map[string]interface{}{
			"address":       addr,
			"status":        profile.Status.String(),
			"uptime_bps":    profile.UptimeBps(),
			"total_slashed": profile.TotalSlashedCIL.String(),
			"violations":    profile.ViolationCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(validators)
}

// GetProposals ...
func (s *Service) GetProposals(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Slashing().PendingProposals())
}
