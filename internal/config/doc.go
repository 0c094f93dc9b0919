// Package config loads the concierge configuration.
//
// A config file is YAML, or TOML when its name ends in .toml. Loading:
//
//  1. loads a .env file next to the config, if present
//  2. expands ${VAR} placeholders from the environment
//  3. parses duration strings ("30s", "24h")
//  4. fills defaults
//  5. validates
//
// A minimal file:
//
//	backend:
//	  base_url: https://clinic.example.com/api
//	messaging:
//	  base_url: https://wasenderapi.com/api
//	  api_key: ${WASENDER_API_KEY}
//	credential:
//	  login_url: https://clinic.example.com/api/login
//	  username: concierge
//	  password_param: /concierge/backend-password
//	webhook:
//	  secret: ${WEBHOOK_SECRET}
//
// Everything else has defaults: in-memory stores, the rules reasoner, and
// fail_closed when the idempotency store is down.
package config
