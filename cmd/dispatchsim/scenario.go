// Copyright 2024-2025 The replicall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// scenario is the YAML description of one simulation: the endpoints
// with their behaviors, and the workload to dispatch against them.
type scenario struct {
	Endpoints []endpointSpec `yaml:"endpoints"`
	Workload  workloadSpec   `yaml:"workload"`
}

type endpointSpec struct {
	Addr string `yaml:"addr"`
	// MeanLatency and LatencyJitter shape per-request service time:
	// uniform over [mean-jitter, mean+jitter).
	MeanLatency   duration `yaml:"mean_latency"`
	LatencyJitter duration `yaml:"latency_jitter"`
	// OverloadRate and LostRate are per-request probabilities of the
	// endpoint shedding the request or dropping the connection.
	OverloadRate float64 `yaml:"overload_rate"`
	LostRate     float64 `yaml:"lost_rate"`
	// Penalty is the overload scalar the endpoint self-reports; zero
	// means the neutral 1.
	Penalty float64 `yaml:"penalty"`
	// Down marks the endpoint failed for the whole run.
	Down bool `yaml:"down"`
}

type workloadSpec struct {
	Calls       int  `yaml:"calls"`
	Concurrency int  `yaml:"concurrency"`
	CountBest   int  `yaml:"count_best"`
	AtMostOnce  bool `yaml:"at_most_once"`
}

// duration lets scenario files write "750us" or "20ms" instead of
// nanosecond integers.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return (&sc).withDefaults(), nil
}

// defaultScenario is used when no file is given: three replicas, one
// slow and occasionally shedding, so races and retries both happen.
func defaultScenario() *scenario {
	return (&scenario{
		Endpoints: []endpointSpec{
			{Addr: "ss-0:4500", MeanLatency: duration(2 * time.Millisecond), LatencyJitter: duration(time.Millisecond)},
			{Addr: "ss-1:4500", MeanLatency: duration(3 * time.Millisecond), LatencyJitter: duration(time.Millisecond)},
			{Addr: "ss-2:4500", MeanLatency: duration(15 * time.Millisecond), LatencyJitter: duration(5 * time.Millisecond), OverloadRate: 0.1, Penalty: 1.2},
		},
	}).withDefaults()
}

func (sc *scenario) withDefaults() *scenario {
	if sc.Workload.Calls <= 0 {
		sc.Workload.Calls = 1000
	}
	if sc.Workload.Concurrency <= 0 {
		sc.Workload.Concurrency = 16
	}
	if sc.Workload.CountBest <= 0 || sc.Workload.CountBest > len(sc.Endpoints) {
		sc.Workload.CountBest = len(sc.Endpoints)
	}
	return sc
}
