package irq

// Running reports whether Run has taken over delivery.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.async
}
