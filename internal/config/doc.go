// Package config handles configuration loading for hiamp agents.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, duration parsing and validation. The peer registry may live
// inline or in a separate TOML or YAML file.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HIAMP_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/hiamp/config.yaml
//  3. ~/.config/hiamp/config.yaml
//
// # Environment Variable Expansion
//
//	transports:
//	  matrix:
//	    access_token: "${MATRIX_TOKEN}"
//
// # Configuration Sections
//
// Identity and switches:
//
//	identity:
//	  owner: "stefan"
//	  default_worker: "bot"
//	  workers: ["bot", "research"]
//	  aliases: ["stefan's bot"]
//	hiamp:
//	  enabled: true
//	  kill_switch: false
//	  fold_envelope: true
//
// Peers and permissions:
//
//	peers_file: "peers.toml"
//	permissions:
//	  default: "deny"
//	  workers:
//	    bot:
//	      send: true
//	      receive: true
//	      allowed_intents: ["*"]
//	      allowed_peers: ["alex"]
//
// Transports:
//
//	transports:
//	  matrix:
//	    enabled: true
//	    homeserver: "https://matrix.org"
//	    user_id: "@bot:matrix.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    channel_strategy: "per_relationship"   # shared, per_relationship, dm
//	    min_send_interval: "1s"
//	  linear:
//	    enabled: true
//	    api_key: "${LINEAR_API_KEY}"
//	    default_team: "ENG"
//	    poll_interval: "1m"
//	    initial_lookback: "1h"
//
// Storage and logging:
//
//	inbox:
//	  backend: "sqlite"       # file, sqlite
//	cache:
//	  backend: "redis"        # memory, redis
//	  redis_url: "redis://localhost:6379/0"
//	  ttl: "5m"
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Validation
//
// Load() rejects an invalid owner id, duplicate peers, an unknown default
// policy or intent in the permission table, enabled transports without
// credentials and unknown storage backends.
package config
