// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt provides the MQTT broker of the hub

Devices connect with MQTT 3.1.1. The CONNECT packet carries

	client id:  {device_id} or {device_id}/{module_id}
	user name:  {host}/{client id}/?api-version=...
	password:   a shared access signature for the device or module

A client which renews its token reconnects with the new password. Telemetry is
published to

	devices/{device_id}/messages/events/{properties}
	devices/{device_id}/modules/{module_id}/messages/events/{properties}

where properties are url-encoded key=value pairs joined by '&'. The broker drops
telemetry of clients whose token has expired since they connected.

Devices may subscribe to cloud-to-device messages only:

	devices/{device_id}/messages/devicebound/#

with device_id escaped as in telemetry topics. The broker forgets the token of a
client when its connection closes.
*/
package mqtt
