package rdmacore

import (
	"github.com/sirupsen/logrus"

	"github.com/boom6/rdma-core/config"
	"github.com/boom6/rdma-core/util"
)

// Main wires the ambient pieces together and runs the self test. It is
// separate from the command so tests can drive the whole bootstrap.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) error {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	err = startStats(l, c, buildVersion, configTest)
	if err != nil {
		return util.ContextualizeIfNeeded("Failed to start stats emission", err)
	}

	if configTest {
		return nil
	}

	l.WithField("build", buildVersion).Info("Starting the data path self test")
	return RunSelfTest(l, c)
}
