// Package mqtt provides the MQTT client Keyrelay uses when the gateway and
// task workers run as separate processes.
//
// The broker carries two kinds of traffic:
//
//	worker  --keyrelay/groups/{group}-->  gateway   (task progress fan-out)
//	gateway --keyrelay/tasks/{queue}-->   worker    (task messages, shared subscription)
//
// Every client registers a last will on keyrelay/system/status so a
// crashed process shows as offline.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllGroupEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        group, _ := mqtt.GroupFromTopic(topic)
//	        hub.Broadcast(group, payload)
//	        return nil
//	    })
package mqtt
