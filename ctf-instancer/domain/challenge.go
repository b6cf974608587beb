package domain

import "time"

const DefaultChallengePort = 9001

type Challenge struct {
	ID       string
	Title    string
	Category string
	Dynamic  bool
	Image    string
	Port     int
	TTL      time.Duration
}

func (c *Challenge) EndpointKind() EndpointKind {
	if c.Category == "web" {
		return EndpointHTTP
	}
	return EndpointTCP
}

func (c *Challenge) ContainerPort() int {
	if c.Port <= 0 {
		return DefaultChallengePort
	}
	return c.Port
}
