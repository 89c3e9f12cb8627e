// Package mm is a thin ModemManager D-Bus client: modem discovery plus the
// AT command channel used for cell environment queries.
package mm

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rescoot/go-mmcli"
)

const (
	ModemManagerService = "org.freedesktop.ModemManager1"
	ModemManagerPath    = "/org/freedesktop/ModemManager1"

	ModemInterface    = "org.freedesktop.ModemManager1.Modem"
	DBusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

type Client struct {
	conn   *dbus.Conn
	debug  bool
	logger func(string, ...interface{})
}

func NewClient(debug bool, logger func(string, ...interface{})) (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}

	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	return &Client{
		conn:   conn,
		debug:  debug,
		logger: logger,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ModemPresent is a cheap presence probe that avoids a D-Bus round trip when
// no modem is enumerated at all.
func (c *Client) ModemPresent() bool {
	modems, err := mmcli.ListModems()
	return err == nil && len(modems) > 0
}

// FindModem returns the object path of the first managed modem.
func (c *Client) FindModem() (dbus.ObjectPath, error) {
	obj := c.conn.Object(ModemManagerService, ModemManagerPath)

	var managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := obj.Call(DBusObjectManager+".GetManagedObjects", 0).Store(&managedObjects)
	if err != nil {
		return "", errors.Wrap(err, "failed to get managed objects")
	}

	for path, interfaces := range managedObjects {
		if _, hasModem := interfaces[ModemInterface]; hasModem {
			return path, nil
		}
	}

	return "", errors.New("no modem found")
}

// SendCommand sends an AT command to the modem and returns the raw response.
func (c *Client) SendCommand(modemPath dbus.ObjectPath, command string, timeout time.Duration) (string, error) {
	obj := c.conn.Object(ModemManagerService, modemPath)

	timeoutSec := uint32(timeout.Seconds())
	if timeoutSec == 0 {
		timeoutSec = 120
	}

	c.log(">> %s (timeout: %ds)", command, timeoutSec)

	var response string
	err := obj.Call(ModemInterface+".Command", 0, command, timeoutSec).Store(&response)
	if err != nil {
		return "", errors.Wrapf(err, "AT command failed: %s", command)
	}

	return response, nil
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		c.logger("mm: "+format, args...)
	}
}
