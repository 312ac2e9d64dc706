package sharedws

import "fmt"

var pingEnvelope = Envelope{Type: EnvelopePing}

// scheduleHeartbeatLocked arms the next heartbeat tick for c. Each registered consumer has exactly
// one armed timer.
func (b *Broker) scheduleHeartbeatLocked(c *ConsumerRegistration) {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeat = b.scheduler.AfterFunc(b.cfg.HeartbeatInterval, func() { b.heartbeatTick(c) })
}

// heartbeatTick pings c and evicts it when the ping cannot be delivered or when it has been silent
// for longer than the heartbeat timeout. A panic during the tick counts as a lost consumer.
func (b *Broker) heartbeatTick(c *ConsumerRegistration) {
	log := b.logger.WithField("consumer_id", c.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("heartbeat failed: %v", fmt.Sprint(r))
			b.HandleConsumerDisconnect(c)
		}
	}()

	b.mu.Lock()
	if b.consumers[c.ID] != c {
		b.mu.Unlock()
		return
	}
	c.heartbeat = nil
	b.mu.Unlock()

	if err := c.port.Post(pingEnvelope); err != nil {
		log.Warnf("heartbeat not delivered: %s", err)
		b.HandleConsumerDisconnect(c)
		return
	}

	now := b.scheduler.Now()

	b.mu.Lock()
	if b.consumers[c.ID] != c {
		b.mu.Unlock()
		return
	}
	inactive := now.Sub(c.lastActiveAt)
	if inactive > b.cfg.HeartbeatTimeout {
		b.mu.Unlock()
		log.Warnf("consumer inactive for %s, evicting", inactive)
		b.HandleConsumerDisconnect(c)
		return
	}
	b.scheduleHeartbeatLocked(c)
	b.mu.Unlock()
}
