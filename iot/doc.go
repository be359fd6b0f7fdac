// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the hub side of device connectivity

Devices authenticate with shared access signatures signed with their device key.
The sub packages implement

	registry    the device identities and their keys, in memory or in Postgres
	api         the RESTful interface for telemetry and device management
	mqtt        a MQTT broker for telemetry and cloud-to-device messages
	credentials the provisioning service for devices of an enrollment group
	forwarder   the delivery of telemetry, to Kafka in production

The api and the broker share one access.SasAuthenticator, hence one authorization
cache. Telemetry from both transports reaches the same forwarder.
*/
package iot
