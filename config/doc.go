// Copyright 2026 LLMLB Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages LLMLB's configuration lifecycle.

# Overview

The config package owns the full configuration lifecycle: multi-source
loading, runtime hot reload, change auditing, and an HTTP management API.
Configuration merges in priority order: defaults -> YAML file ->
environment variables.

# Core types

  - Config: the top-level aggregate covering Server, Database, Redis,
    Router, Health, Audit, Log, Telemetry and Auth settings.
  - Loader: builder-style loader chaining config path, env prefix and
    custom validators.
  - HotReloadManager: watches the config file and applies field-level
    updates, with change callbacks and a change history.
  - FileWatcher: polls file modification times once per second,
    debounced so a burst of writes triggers one reload.
  - ConfigAPIHandler: HTTP handlers for reading config, applying
    partial updates, forcing a reload, and inspecting change history.

# Capabilities

  - Multi-source loading: YAML file, environment variables (LLMLB_ prefix),
    defaults.
  - Hot reload: file-watch triggered, or via the management API, with
    field-level granularity distinguishing restart-required fields.
  - Sensitive-field governance: secrets (JWT secret, DB URL, Redis
    password) are masked in any API response or log line.
  - Change auditing: an in-memory list of the most recent 1000 changes;
    entries carry no version number and there is no rollback.
  - Validation: built-in sanity checks plus custom validator hooks.

# Example

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("LLMLB").
		Load()
*/
package config
