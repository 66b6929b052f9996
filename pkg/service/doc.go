// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service loads service definitions and runs them.
//
// A configuration file lists services and, optionally, a shared URI mapping
// file:
//
//	uri_mapping: mappings.json
//	service:
//	  - name: docker
//	    listen: tcp://127.0.0.1:3000
//	    target: unix:///var/run/docker.sock
//	    protocol: http
//	    timeout: 30s
//	    header:
//	      X-Gateway: sockgate
//	    uri_mapping:
//	      - uri: /c/{id}
//	        target_uri: /containers/{id}/json
//	  - name: redis
//	    listen: unix:///run/sockgate/redis.sock
//	    target: tcp://10.0.0.5:6379
//	    protocol: tcp
//
// A service's uri_mapping is either an inline list or the path of a mapping
// file. Records in the shared file go to the service named by their
// "service" field, or to every HTTP service when it is empty. Relative paths
// are resolved against the directory of the configuration file.
//
// The Orchestrator starts every service independently: a service that
// fails to compile or bind is reported failed and skipped, and the others
// keep serving.
package service
