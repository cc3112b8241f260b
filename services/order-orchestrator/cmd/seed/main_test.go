package main

import "testing"

func TestParseDefaultBrokers(t *testing.T) {
	brokers, err := parseBrokers([]byte(defaultBrokers))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(brokers))
	}
	if brokers[0].BrokerName != "zerodha-mock" || !brokers[0].Active {
		t.Fatalf("unexpected first broker %+v", brokers[0])
	}
	if brokers[1].Config["prefix"] != "ALPACA" {
		t.Fatalf("unexpected alpaca config %v", brokers[1].Config)
	}
}

func TestParseBrokersRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":     "brokers: []\n",
		"no name":   "brokers:\n  - active: true\n",
		"duplicate": "brokers:\n  - name: a\n  - name: a\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseBrokers([]byte(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseBrokersInactive(t *testing.T) {
	brokers, err := parseBrokers([]byte("brokers:\n  - name: ibkr\n    active: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if brokers[0].Active {
		t.Fatalf("expected inactive broker")
	}
	if brokers[0].Config == nil {
		t.Fatalf("expected empty config map")
	}
}
