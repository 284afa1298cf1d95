package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	cfg := &Config{port: 8080}
	assert.NoError(t, cfg.validate())

	cfg = &Config{port: 0}
	assert.Error(t, cfg.validate())

	cfg = &Config{port: 8080, tlsCert: "cert.pem"}
	assert.Error(t, cfg.validate())

	cfg = &Config{port: 8080, tlsCert: "cert.pem", tlsKey: "key.pem"}
	assert.NoError(t, cfg.validate())
	assert.Equal(t, "https", cfg.scheme())
}
