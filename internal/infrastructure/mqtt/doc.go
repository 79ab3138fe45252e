// Package mqtt provides MQTT client connectivity for the Insteon bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on {prefix}/status for offline detection
//   - The topic hierarchy shared by the bridge and its consumers
//
// # Architecture
//
// Home automation controllers talk to the Insteon network through the broker:
//
//	Controller ↔ MQTT Broker ↔ insteon-bridge ↔ PLM ↔ Insteon devices
//
// # Security Considerations
//
//   - Use TLS when the broker is not on localhost (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//   - Command topics can reprogram link tables, so restrict who may publish
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
