package cell

import (
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tracker-service/internal/mm"
)

const commandTimeout = 10 * time.Second

// Source runs the +QENG queries against whatever modem ModemManager exposes.
type Source struct {
	client *mm.Client
	logger *log.Logger
}

func NewSource(client *mm.Client, logger *log.Logger) *Source {
	return &Source{client: client, logger: logger}
}

// ServingCell queries the camped cell. Malformed response lines are treated
// as absent data.
func (s *Source) ServingCell() (Serving, error) {
	resp, err := s.command(`AT+QENG="servingcell"`)
	if err != nil {
		return Serving{}, err
	}

	for _, line := range strings.Split(resp, "\n") {
		if !strings.Contains(line, "servingcell") {
			continue
		}
		serving, err := ParseServing(line)
		if err != nil {
			s.logger.Printf("cell: skipping malformed serving line: %v", err)
			continue
		}
		return serving, nil
	}
	return Serving{}, errors.New("no serving cell in response")
}

// NeighborCells queries the neighbor scan. Unparseable entries are skipped.
func (s *Source) NeighborCells() ([]Neighbor, error) {
	resp, err := s.command(`AT+QENG="neighbourcell"`)
	if err != nil {
		return nil, err
	}

	var neighbors []Neighbor
	for _, line := range strings.Split(resp, "\n") {
		if !strings.Contains(line, "neighbourcell") {
			continue
		}
		n, err := ParseNeighbor(line)
		if err != nil {
			continue
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

func (s *Source) command(cmd string) (string, error) {
	if !s.client.ModemPresent() {
		return "", errors.New("no modem present")
	}
	modemPath, err := s.client.FindModem()
	if err != nil {
		return "", err
	}
	return s.client.SendCommand(modemPath, cmd, commandTimeout)
}
