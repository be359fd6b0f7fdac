// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package credentials implements the provisioning service for devices of an enrollment group

Devices of the group know the id scope and their own device key, which the factory
derived from the group key with symmetric.DeriveDeviceKey. They register with

	PUT /{id_scope}/registrations/{registration_id}/register

and a shared access signature for the resource {id_scope}/registrations/{registration_id}
with key name "registration", signed with the device key.

On the first registration the service creates the device in the registry, with the
derived key as primary key and the registration id as device id. Later registrations
return the same assignment. The result names the hub the device is assigned to:

	{
	  "registrationId": "sensor-1",
	  "assignedHub": "hub.example",
	  "deviceId": "sensor-1",
	  "status": "assigned"
	}

Disabled devices get 403 Forbidden with status "disabled".
*/
package credentials
