package proxy

import "github.com/emersion/go-sasl"

// loginServer implements sasl.Server for the LOGIN mechanism, which go-sasl
// only provides a client for.
type loginServer struct {
	validate func(username, password string) error
	username string
	step     int
}

func newLoginServer(validate func(username, password string) error) *loginServer {
	return &loginServer{validate: validate}
}

var loginChallenges = [...]string{"Username:", "Password:"}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	step := s.step
	s.step++

	switch step {
	case 0:
		// The initial response, if any, is ignored: LOGIN always asks.
	case 1:
		s.username = string(response)
	case 2:
		return nil, true, s.validate(s.username, string(response))
	default:
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
	return []byte(loginChallenges[step]), false, nil
}
