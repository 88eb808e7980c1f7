package authority

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleRotation rotates keys on a cron schedule. Standard five-field specs
// and descriptors such as "@every 1h" are accepted. The caller starts and
// stops the returned scheduler.
func ScheduleRotation(spec string, keys *KeySet, log *logrus.Entry) (*cron.Cron, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(spec, func() {
		kid, err := keys.Rotate()
		if err != nil {
			log.WithError(err).Error("signing_key_rotation_failed")
			return
		}
		log.WithField("kid", kid).Info("signing_key_rotated")
	}); err != nil {
		return nil, fmt.Errorf("invalid rotation schedule '%s': %w", spec, err)
	}
	return c, nil
}
