package daemon

import (
	"encoding/xml"
	"strings"

	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/minibus/internal/wire"
)

func arg(name, typ, dir string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ, Direction: dir}
}

func method(name string, args ...introspect.Arg) introspect.Method {
	return introspect.Method{Name: name, Args: args}
}

// busInterfaces describes what the bus driver object implements.
func busInterfaces() []introspect.Interface {
	return []introspect.Interface{
		{
			Name: wire.BusInterface,
			Methods: []introspect.Method{
				method("Hello", arg("", "s", "out")),
				method("RequestName", arg("name", "s", "in"), arg("flags", "u", "in"), arg("", "u", "out")),
				method("ReleaseName", arg("name", "s", "in"), arg("", "u", "out")),
				method("StartServiceByName", arg("name", "s", "in"), arg("flags", "u", "in"), arg("", "u", "out")),
				method("NameHasOwner", arg("name", "s", "in"), arg("", "b", "out")),
				method("ListNames", arg("", "as", "out")),
				method("ListActivatableNames", arg("", "as", "out")),
				method("AddMatch", arg("rule", "s", "in")),
				method("RemoveMatch", arg("rule", "s", "in")),
				method("GetNameOwner", arg("name", "s", "in"), arg("", "s", "out")),
				method("GetConnectionUnixUser", arg("name", "s", "in"), arg("", "u", "out")),
				method("GetConnectionUnixProcessID", arg("name", "s", "in"), arg("", "u", "out")),
				method("GetConnectionCredentials", arg("name", "s", "in"), arg("", "a{sv}", "out")),
				method("GetId", arg("", "s", "out")),
				method("ReloadConfig"),
			},
			Signals: []introspect.Signal{
				{Name: "NameOwnerChanged", Args: []introspect.Arg{arg("name", "s", ""), arg("old_owner", "s", ""), arg("new_owner", "s", "")}},
				{Name: "NameLost", Args: []introspect.Arg{arg("name", "s", "")}},
				{Name: "NameAcquired", Args: []introspect.Arg{arg("name", "s", "")}},
			},
			Properties: []introspect.Property{
				{Name: "Features", Type: "as", Access: "read"},
				{Name: "Interfaces", Type: "as", Access: "read"},
			},
		},
		{
			Name: wire.PropertiesInterface,
			Methods: []introspect.Method{
				method("Get", arg("interface_name", "s", "in"), arg("property_name", "s", "in"), arg("value", "v", "out")),
				method("GetAll", arg("interface_name", "s", "in"), arg("properties", "a{sv}", "out")),
			},
		},
		introspect.IntrospectData,
		{
			Name: wire.PeerInterface,
			Methods: []introspect.Method{
				method("Ping"),
				method("GetMachineId", arg("machine_uuid", "s", "out")),
			},
		},
		{
			Name: wire.MonitoringInterface,
			Methods: []introspect.Method{
				method("BecomeMonitor", arg("rule", "as", "in"), arg("flags", "u", "in")),
			},
		},
	}
}

// introspectXML renders the introspection document for path. The bus
// driver interfaces are reported on every path; the intermediate nodes of
// /org/freedesktop/DBus list their child.
func introspectXML(path wire.ObjectPath) (string, error) {
	node := introspect.Node{Interfaces: busInterfaces()}

	target := strings.TrimPrefix(string(wire.BusPath), "/")
	current := strings.TrimPrefix(string(path), "/")
	if current == "" {
		node.Children = []introspect.Node{{Name: strings.Split(target, "/")[0]}}
	} else if rest, ok := strings.CutPrefix(target, current+"/"); ok {
		node.Children = []introspect.Node{{Name: strings.Split(rest, "/")[0]}}
	}

	data, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		return "", err
	}
	return strings.TrimLeft(introspect.IntrospectDeclarationString, "\n\t ") + string(data) + "\n", nil
}
